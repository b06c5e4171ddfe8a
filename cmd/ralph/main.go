// Command ralph runs a coding agent over a backlog of user stories, one
// story per git branch, until every story passes.
package main

func main() {
	Execute()
}
