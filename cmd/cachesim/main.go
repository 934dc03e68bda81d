// Command cachesim drives the code cache with a synthetic self-modifying
// guest workload and reports what the cache did.
package main

func main() {
	Execute()
}
