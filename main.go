package main

import "evssh/cmd"

func main() {
	cmd.Execute()
}
