package main

import "github.com/audiolibrelab/screenrec/cmd"

func main() {
	cmd.Execute()
}
