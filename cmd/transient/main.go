// Command transient infers transient forwarding-property violation
// intervals from recorded routing-change trials.
package main

import "github.com/dantte-lp/transient/cmd/transient/commands"

func main() {
	commands.Execute()
}
