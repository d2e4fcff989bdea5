// Package vaultbp is a client library for a Vault style secret store.
//
// It authenticates with an AppRole pair, keeps the issued token alive with
// proactive renewal, and retrieves three classes of secret:
//
// - versioned key-value secrets,
//
// - dynamic database credentials carrying a lease,
//
// - static database credentials rotated by the store itself.
//
// Each class is cached in memory with its own staleness threshold so that
// periodic refresh loops do not generate unnecessary network calls. A failed
// refresh never erases a previously fetched value; the last good value keeps
// being served and the next refresh tick is the retry mechanism.
//
// The typical entry point is InitFromConfig, which parses a YAML config file
// and wires up the transport, the token manager, and the cache:
//
//	client, err := vaultbp.InitFromConfig(ctx, "vault.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	secret, err := client.GetKVSecret(ctx, "myservice/config")
//
// The poller subpackage provides the refresh loops for long running
// processes.
package vaultbp
