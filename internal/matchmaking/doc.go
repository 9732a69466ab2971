// Package matchmaking owns the relay's shared state: the registry of live
// connections, the FIFO waiting pool, and (optionally) the table of current
// pairings.
//
// All of it sits behind a single mutex owned by Matchmaker. Enqueue, Dequeue
// and match detection happen in one critical section, so two concurrent
// arrivals can never both observe a pool of size one and leave without being
// paired.
package matchmaking
