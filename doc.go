// Package relaygate is a gateway between upstream Nostr relays and
// downstream consumers. It holds many relay connections open at once,
// verifies and deduplicates the merged event stream at high rate, and
// fans the surviving events out in ordered batches.
//
// # Architecture
//
// The gateway is a fixed pipeline of lifecycle-managed components:
//
//	┌──────────────┐   merged channel   ┌──────────────┐
//	│  relay pool  │ ──────────────────▶│ event router │
//	│ (pool)       │   verified events  │ (router)     │
//	└──────────────┘                    └──────┬───────┘
//	       ▲ REQ subscriptions                 │ batches
//	  upstream relays                          ▼
//	                                    ┌──────────────┐
//	                   dedup verdicts ◀─│  fanout bus  │─▶ /ws clients
//	┌──────────────┐        │           │ (fanout)     │─▶ /fanout (encrypted)
//	│ dedup store  │◀───────┘           └──────────────┘─▶ NATS, TCP/REST
//	│ (dedup)      │
//	└──────────────┘
//
// The pool (package pool) dials the configured relays, subscribes with
// the kind filter, verifies BIP340 signatures on a shared worker pool,
// and pushes events into one bounded channel. Backpressure there slows
// the upstream reads; nothing is dropped before deduplication.
//
// The router (package router) applies the routing policy, consults the
// dedup store, and seals batches by size or age. Batch sequence numbers
// are strictly increasing.
//
// The dedup store (package dedup over package storage) answers
// new-or-duplicate in three tiers: a rotating bloom pair, a sharded
// LRU, and a Badger-backed durable witness that survives restarts.
//
// The fanout bus (package fanout) gives every sink a bounded queue.
// A stalled consumer loses its own oldest batches; it never blocks the
// router or its peers.
//
// The HTTP gateway (package gateway/http) is the control surface:
// health, status, metrics, relay-pool administration, the subscription
// registry, and the streaming endpoints.
//
// # Binaries
//
// cmd/relaygate runs the gateway. cmd/relaytap is a small consumer for
// watching a running instance.
package relaygate
