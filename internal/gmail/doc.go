// Package gmail fetches recent messages from the Gmail API on behalf of a
// stored identity.
//
// The Fetcher asks a CredentialSource for the identity's access token before
// every call and never refreshes on its own: a 401 from the provider comes
// back as ErrCredentialExpired and the caller decides whether to refresh and
// retry. Every other failure is a *ProviderError.
//
// FetchBatch fans out message gets with a bounded number of concurrent calls
// and returns the results in the order the ids were given. A message that
// fails to fetch is reported in Batch.Failures and does not fail the batch.
//
// Example usage:
//
//	f := gmail.NewFetcher(broker, gmail.Config{Concurrency: 4})
//	ids, err := f.ListRecent(ctx, "a@example.com", 10)
//	if err != nil {
//	    return err
//	}
//	batch := f.FetchBatch(ctx, "a@example.com", ids)
package gmail
