package main

// Version and Gitref are set at build time via -ldflags.
var (
	Version = "2.1.0"
	Gitref  = ""
)
