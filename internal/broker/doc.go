// Package broker owns the credential lifecycle for every mailbox identity:
// authorization code exchange, identity resolution, refresh, revocation and
// handing out access tokens to the message fetcher.
//
// The broker never checks expiry locally. A token is used until the
// provider rejects it; callers then decide whether to Refresh.
package broker
