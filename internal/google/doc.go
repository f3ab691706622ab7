// Package google holds the Google-specific provider settings: OAuth
// endpoints, scopes, API base URLs and the default on-disk location of the
// token snapshot.
//
// Everything that talks to Google takes these values from Provider so that
// tests can point the whole process at a fake provider.
package google
