package main

import (
	"fmt"
	"runtime"
)

func init() {
	// keep main on the thread the debugger traces
	runtime.LockOSThread()
}

func c(depth int) int {
	var p *int
	fmt.Println("entering c at depth", depth)
	return *p + depth
}

func b(depth int) int {
	return c(depth+1) + 1
}

func a(depth int) int {
	return b(depth+1) + 1
}

func main() {
	fmt.Println(a(0))
}
