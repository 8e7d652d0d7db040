package main

import "monthlyload/cmd"

func main() {
	cmd.Execute()
}
