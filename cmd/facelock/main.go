// Command facelock runs the face, keypad and relay access terminal.
package main

import "github.com/facelock/facelock/cmd/facelock/cmd"

func main() {
	cmd.Execute()
}
