package main

import (
	"github.com/regenrek/moltlets/internal/cmd"
)

func main() {
	cmd.Execute()
}
