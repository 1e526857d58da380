// Package api exposes the ledger components over a REST interface. Caller
// identity comes from the auth middleware; signature-gated operations are
// public because the signature itself authorises them.
package api
