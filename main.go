// The main package for the pricepulse executable.
package main

import (
	"github.com/JakeFAU/pricepulse/cmd"
)

func main() {
	cmd.Execute()
}
