package main

import "github.com/lhquant/dtsync/cmd"

func main() {
	cmd.Execute()
}
