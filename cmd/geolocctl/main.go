// Package main provides the command line client for the geolocd API.
package main

func main() {
	Execute()
}
