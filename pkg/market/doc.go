// Package market implements the reproducibility work-order marketplace: the
// factory that turns a paper's claims into work orders, the claim / submit /
// audit state machine, and the append-only ledger of balance-affecting events.
//
// All operations are pure. They take the actor profile(s), a Store snapshot
// and an explicit timestamp, and either return complete new snapshots or a
// *Error without touching their inputs. Persisting the result, and serialising
// writes per paper, is the caller's job.
package market
