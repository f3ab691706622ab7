package tokenstore

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// CurrentVersion is the record schema version written by this release.
const CurrentVersion = 1

// JSON field names shared with the provider's token grant.
const (
	fieldAccessToken  = "access_token"
	fieldRefreshToken = "refresh_token"
	fieldTokenType    = "token_type"
	fieldScope        = "scope"
	fieldExpiry       = "expiry"
	fieldVersion      = "version"
	fieldIdentity     = "identity"
	fieldUpdatedAt    = "updated_at"
)

// Record is the stored credential for one identity.
//
// Fields the provider returns that are not mapped to a struct field are
// kept in Extra and written back unchanged.
type Record struct {
	Version      int
	Identity     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	// Expiry is zero when the provider did not say when the token expires.
	Expiry    time.Time
	Scope     string
	UpdatedAt time.Time
	Extra     map[string]any
}

// Valid reports whether the record carries an access token.
func (r Record) Valid() bool {
	return r.AccessToken != ""
}

// Renewable reports whether the record can be refreshed without the user.
func (r Record) Renewable() bool {
	return r.RefreshToken != ""
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	r.Extra = maps.Clone(r.Extra)
	return r
}

// Merge returns r updated with the fields of next. Empty fields in next
// keep the value from r, so a refresh that does not re-issue the refresh
// token preserves it. Extra is merged key by key.
func (r Record) Merge(next Record) Record {
	out := r.Clone()
	if next.AccessToken != "" {
		out.AccessToken = next.AccessToken
	}
	if next.RefreshToken != "" {
		out.RefreshToken = next.RefreshToken
	}
	if next.TokenType != "" {
		out.TokenType = next.TokenType
	}
	if next.Scope != "" {
		out.Scope = next.Scope
	}
	// A new token invalidates the old expiry even when none was reported.
	if next.AccessToken != "" {
		out.Expiry = next.Expiry
	}
	if len(next.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]any, len(next.Extra))
		}
		maps.Copy(out.Extra, next.Extra)
	}
	return out
}

// FromGrant builds a record from a decoded provider token response.
// Known fields are mapped; everything else lands in Extra.
func FromGrant(grant map[string]any) Record {
	var r Record
	extra := make(map[string]any)
	for k, v := range grant {
		switch k {
		case fieldAccessToken:
			r.AccessToken = stringValue(v)
		case fieldRefreshToken:
			r.RefreshToken = stringValue(v)
		case fieldTokenType:
			r.TokenType = stringValue(v)
		case fieldScope:
			r.Scope = stringValue(v)
		case fieldIdentity:
			r.Identity = stringValue(v)
		case fieldVersion:
			if f, ok := v.(float64); ok {
				r.Version = int(f)
			}
		case fieldExpiry:
			r.Expiry = timeValue(v)
		case fieldUpdatedAt:
			r.UpdatedAt = timeValue(v)
		default:
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		r.Extra = extra
	}
	return r
}

// MarshalJSON writes the record as a flat object with Extra inlined.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+8)
	maps.Copy(out, r.Extra)
	out[fieldVersion] = r.Version
	out[fieldAccessToken] = r.AccessToken
	if r.Identity != "" {
		out[fieldIdentity] = r.Identity
	}
	if r.RefreshToken != "" {
		out[fieldRefreshToken] = r.RefreshToken
	}
	if r.TokenType != "" {
		out[fieldTokenType] = r.TokenType
	}
	if r.Scope != "" {
		out[fieldScope] = r.Scope
	}
	if !r.Expiry.IsZero() {
		out[fieldExpiry] = r.Expiry.UTC().Format(time.RFC3339Nano)
	}
	if !r.UpdatedAt.IsZero() {
		out[fieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both versioned records and legacy raw grants.
func (r *Record) UnmarshalJSON(data []byte) error {
	var grant map[string]any
	if err := json.Unmarshal(data, &grant); err != nil {
		return err
	}
	if grant == nil {
		return fmt.Errorf("credential record is null")
	}
	*r = FromGrant(grant)
	return nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func timeValue(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
