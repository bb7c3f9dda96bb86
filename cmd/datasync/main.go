package main

import "github.com/Togather-Foundation/datasync/cmd/datasync/cmd"

func main() {
	cmd.Execute()
}
