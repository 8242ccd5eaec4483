package brokerutil

import "fmt"

// CommandSubject builds the command subject for a backend service. Each
// service consumes its own subject exclusively (queue group = service).
func CommandSubject(service string) string {
	return service + ".commands"
}

// ReplySubject builds the exclusive reply subject for one process instance
// of the named service or gateway. The instance token must be unique per
// process so replies are never shared across instances.
func ReplySubject(service, instance string) string {
	return fmt.Sprintf("%s.reply.%s", service, instance)
}
