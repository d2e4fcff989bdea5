// Package vaultdemo implements the vaultdemo binary: a small long running
// process that logs in to the secret store, keeps the configured secrets
// warm through the poller, and logs every refresh with secret values masked.
package vaultdemo
