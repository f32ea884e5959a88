package config

import "runtime"

func defaultPython() string {
	if runtime.GOOS == "windows" {
		return `libs\python\python.exe`
	}
	return "python3"
}
