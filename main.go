// Command renderproxy is a server-side rendering proxy.
package main

import "github.com/JakeFAU/render-proxy/cmd"

func main() {
	cmd.Execute()
}
