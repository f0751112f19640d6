// The main package for the recipe-crawler executable.
package main

import (
	"github.com/JakeFAU/recipe-crawler/cmd"
)

func main() {
	cmd.Execute()
}
