// main.go
package main

import "github.com/sentryal/sentryal-insar/cmd"

func main() {
	cmd.Execute()
}
