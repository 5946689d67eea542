package main

import "github.com/silius-go/silius/cmd"

func main() {
	cmd.Execute()
}
