package main

import "github.com/agridoctor/agridoctor/cmd"

func main() {
	cmd.Execute()
}
