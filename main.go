package main

import "github.com/bizxeon/tbc-colors/cmd"

func main() {
	cmd.Execute()
}
