package main

import (
	"os"

	"github.com/reddit/vaultbp.go/cmd/lib/vaultdemo"
)

func main() {
	os.Exit(vaultdemo.Run())
}
