package main

import "github.com/nabilkh/go-job-queue/services/queued/cli"

func main() {
	cli.Execute()
}
