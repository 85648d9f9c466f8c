package main

import "github.com/MeKo-Tech/tilehub/internal/cmd"

func main() {
	cmd.Execute()
}
