package main

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	fmt.Printf("sleeper pid %d\n", os.Getpid())
	time.Sleep(time.Hour)
}
