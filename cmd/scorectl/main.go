// Command scorectl scores portrait images locally, without the API or a broker.
package main

func main() {
	Execute()
}
