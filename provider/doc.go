// Package provider implements the OAuth code exchange against GitHub and
// Google. Each adapter builds the authorization redirect URL, trades the
// callback code for an access token, and fetches the remote profile into an
// identity.ProviderProfile ready for Engine.LoginOAuth.
//
// The adapters hold no state beyond their configuration and are safe for
// concurrent use.
package provider
