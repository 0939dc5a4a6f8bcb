// Command unitledger runs the usage ledger HTTP service and its
// administrative tasks.
package main

func main() {
	Execute()
}
