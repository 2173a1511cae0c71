package main

import "github.com/liamashdown/peggwatch/internal/cli"

func main() {
	cli.Execute()
}
