package main

import "callrouter/internal/app"

func main() {
	app.Main()
}
