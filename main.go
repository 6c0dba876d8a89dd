package main

import "github.com/arcward/onebot/cmd"

func main() {
	cmd.Execute()
}
