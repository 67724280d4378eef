// Package kdapp hosts episode applications on a block DAG ledger.
//
// Peers agree on application state by replaying the same ledger accepted
// commands. The packages below it cover each side of that loop: payload and
// txn encode commands into transactions, utxo, generator and submit fund and
// send them, proxy follows the selected chain, and engine applies decoded
// commands to episodes and unwinds them on reorgs.
package kdapp
