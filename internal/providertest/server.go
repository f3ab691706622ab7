// Package providertest runs an in-process fake of the Google endpoints used
// by inboxrank: token exchange and refresh, userinfo, revocation and the
// Gmail message list/get API.
//
// Tests register authorization codes, refresh tokens, users and mailboxes,
// then point the code under test at Server.Provider().
package providertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teemow/inboxrank/internal/google"
)

// Endpoint names accepted by Hits.
const (
	EndpointToken    = "token"
	EndpointUserinfo = "userinfo"
	EndpointList     = "list"
	EndpointGet      = "get"
	EndpointRevoke   = "revoke"
)

// Message is a mailbox entry served by the fake Gmail API.
type Message struct {
	ID      string
	From    string
	To      string
	Subject string
	Date    string
	Snippet string
}

// Server is the fake provider.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	codes       map[string]map[string]any
	refresh     map[string]map[string]any
	refreshHook func()
	users       map[string]string
	mailboxes   map[string][]Message
	expired     map[string]bool
	failGet     map[string]int
	failInfo    int
	getDelay    time.Duration
	msgDelay    map[string]time.Duration
	hits        map[string]int
	inFlight    int
	maxInFlight int
	revoked     []string
}

// New starts a fake provider that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		codes:     make(map[string]map[string]any),
		refresh:   make(map[string]map[string]any),
		users:     make(map[string]string),
		mailboxes: make(map[string][]Message),
		expired:   make(map[string]bool),
		failGet:   make(map[string]int),
		msgDelay:  make(map[string]time.Duration),
		hits:      make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", s.handleToken)
	mux.HandleFunc("GET /oauth2/v2/userinfo", s.handleUserinfo)
	mux.HandleFunc("GET /gmail/v1/users/me/messages", s.handleList)
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", s.handleGet)
	mux.HandleFunc("POST /revoke", s.handleRevoke)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Provider returns endpoints pointing at the fake.
func (s *Server) Provider() google.Provider {
	return google.WithBaseURL(s.URL)
}

// AddCode makes code exchangeable for grant.
func (s *Server) AddCode(code string, grant map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = grant
}

// AddRefresh makes refreshToken redeemable for grant.
func (s *Server) AddRefresh(refreshToken string, grant map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[refreshToken] = grant
}

// OnRefresh registers a hook that runs inside every refresh grant request,
// before the response is written.
func (s *Server) OnRefresh(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshHook = hook
}

// AddUser maps an access token to the identity userinfo reports for it.
func (s *Server) AddUser(accessToken, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[accessToken] = email
}

// AddMessages appends messages to the mailbox of email, newest first.
func (s *Server) AddMessages(email string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[email] = append(s.mailboxes[email], msgs...)
}

// Expire makes the Gmail API answer 401 for accessToken.
func (s *Server) Expire(accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[accessToken] = true
}

// FailMessage makes message id answer with status.
func (s *Server) FailMessage(id string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet[id] = status
}

// FailUserinfo makes userinfo answer with status. Zero restores it.
func (s *Server) FailUserinfo(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInfo = status
}

// SetGetDelay delays every message get by d.
func (s *Server) SetGetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getDelay = d
}

// DelayMessage delays the get of message id by d, on top of any delay set
// with SetGetDelay.
func (s *Server) DelayMessage(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgDelay[id] = d
}

// Hits returns how many requests reached endpoint.
func (s *Server) Hits(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[endpoint]
}

// MaxInFlight returns the highest number of concurrent message gets seen.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Revoked returns the tokens posted to the revocation endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

func (s *Server) hit(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits[endpoint]++
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.hit(EndpointToken)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", "malformed form")
		return
	}

	var (
		grant map[string]any
		ok    bool
		hook  func()
	)
	s.mu.Lock()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		grant, ok = s.codes[r.PostForm.Get("code")]
	case "refresh_token":
		grant, ok = s.refresh[r.PostForm.Get("refresh_token")]
		hook = s.refreshHook
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if !ok {
		writeOAuthError(w, "invalid_grant", "Bad Request")
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	s.hit(EndpointUserinfo)

	s.mu.Lock()
	status := s.failInfo
	email, ok := s.users[bearer(r)]
	s.mu.Unlock()

	if status != 0 {
		writeAPIError(w, status)
		return
	}
	if !ok {
		writeAPIError(w, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             "1" + strconv.Itoa(len(email)),
		"email":          email,
		"verified_email": true,
	})
}

// mailbox resolves the caller's mailbox or writes the error response.
func (s *Server) mailbox(w http.ResponseWriter, r *http.Request) ([]Message, bool) {
	token := bearer(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired[token] {
		writeAPIError(w, http.StatusUnauthorized)
		return nil, false
	}
	email, ok := s.users[token]
	if !ok {
		writeAPIError(w, http.StatusUnauthorized)
		return nil, false
	}
	return s.mailboxes[email], true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.hit(EndpointList)
	msgs, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	limit := len(msgs)
	if v, err := strconv.Atoi(r.URL.Query().Get("maxResults")); err == nil && v < limit {
		limit = v
	}

	refs := make([]map[string]string, 0, limit)
	for _, m := range msgs[:limit] {
		refs = append(refs, map[string]string{"id": m.ID, "threadId": m.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":           refs,
		"resultSizeEstimate": len(refs),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.hit(EndpointGet)

	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	delay := s.getDelay + s.msgDelay[r.PathValue("id")]
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	msgs, ok := s.mailbox(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	s.mu.Lock()
	status := s.failGet[id]
	s.mu.Unlock()
	if status != 0 {
		writeAPIError(w, status)
		return
	}

	for _, m := range msgs {
		if m.ID != id {
			continue
		}
		headers := []map[string]string{
			{"name": "From", "value": m.From},
			{"name": "Subject", "value": m.Subject},
			{"name": "Date", "value": m.Date},
		}
		if m.To != "" {
			headers = append(headers, map[string]string{"name": "To", "value": m.To})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       m.ID,
			"threadId": m.ID,
			"snippet":  m.Snippet,
			"payload":  map[string]any{"headers": headers},
		})
		return
	}
	writeAPIError(w, http.StatusNotFound)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.hit(EndpointRevoke)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", "malformed form")
		return
	}
	s.mu.Lock()
	s.revoked = append(s.revoked, r.PostForm.Get("token"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeAPIError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": http.StatusText(status),
		},
	})
}
