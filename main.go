package main

import "github.com/adamgarcia4/goLearning/gms/cmd"

func main() {
	cmd.Execute()
}
