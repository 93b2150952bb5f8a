package main

import "github.com/dbsmedya/echarvest/cmd/echarvest/cmd"

func main() {
	cmd.Execute()
}
