// Command pagechat answers questions about a web page. One process can play
// any of the three roles: the broker that talks to the answer backend, the
// mediator that reads the page, and the panel the user types into.
package main

func main() {
	Execute()
}
