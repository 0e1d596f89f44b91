package main

import "bluechat/cli"

func main() {
	cli.Execute()
}
