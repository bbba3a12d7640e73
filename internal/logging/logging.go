package logging

import (
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stdout, "qosprobe ", log.LstdFlags|log.LUTC)
}
