package main

import "github.com/smeird/PubObs/cmd"

func main() {
	cmd.Execute()
}
