package main

import (
	"github.com/anymize/anymize/internal/app/web"
	"github.com/labstack/gommon/color"
)

func main() {
	printBanner()
	web.Execute()
}

var (
	version string
)

func printBanner() {
	banner := `
  ____ _____  __  ______ ___  (_)___  ___
 / __ ` + "`" + `/ __ \/ / / / __ ` + "`" + `__ \/ /_  / / _ \
/ /_/ / / / / /_/ / / / / / / / / /_/  __/
\__,_/_/ /_/\__, /_/ /_/ /_/_/ /___/\___/  v: %s
           /____/
%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("github.com/anymize/anymize"))
}
