// confab - command line client for confab collaborative chat sessions
package main

import "github.com/eldtechnologies/confab/clients/go/cmd"

func main() {
	cmd.Execute()
}
