// Package apiclient performs authenticated HTTP calls against the Ruminster
// API.
//
// Requests carry the stored access token as a bearer credential. When a call
// fails with 401 Unauthorized and a refresh token exists, the client performs
// exactly one coordinated refresh and retries the identical request once with
// retry disabled. Any other failure, including a second 401 after the retry,
// surfaces to the caller unchanged.
package apiclient
