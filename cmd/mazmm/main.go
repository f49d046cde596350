// Command mazmm boots the memory-management core on a simulated machine and
// lets you poke at it: print the boot state, run allocation scripts, or
// render the physical and heap layout to a PNG.
package main

func main() {
	execute()
}
