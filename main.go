package main

import (
	"fmt"

	"github.com/vmbusgo/client/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
