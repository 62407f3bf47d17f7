// Command mdriver replays allocation traces against a segregated-fit heap and reports how
// well the heap used its memory.
package main

func main() {
	execute()
}
