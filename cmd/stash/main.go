package main

import (
	"github.com/joho/godotenv"

	"github.com/aweris/stash/cmd/stash/cmd"
)

func main() {
	// Optional .env for things like RCLONE_BINARY or AWS credentials.
	_ = godotenv.Load()
	cmd.Execute()
}
