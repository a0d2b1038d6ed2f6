package cloud

import "strings"

// Application topics: one downstream and one upstream channel per thing,
// namespaced by deployment environment ("dev", "prod").
func downTopic(env, thing string) string { return "lox/" + env + "/" + thing + "/down" }
func upTopic(env, thing string) string   { return "lox/" + env + "/" + thing + "/up" }

// Named shadow topics.
func shadowTopic(thing, shadow, op string) string {
	return "$aws/things/" + thing + "/shadow/name/" + shadow + "/" + op
}

// Jobs topics.
func jobsTopic(thing, suffix string) string {
	return "$aws/things/" + thing + "/jobs/" + suffix
}

// splitShadowTopic extracts the shadow name and operation suffix from a
// "$aws/things/<thing>/shadow/name/<shadow>/<op...>" topic.
func splitShadowTopic(topic string) (shadow, op string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 7 || parts[3] != "shadow" || parts[4] != "name" {
		return "", "", false
	}
	return parts[5], strings.Join(parts[6:], "/"), true
}

// splitJobsTopic extracts the suffix after "$aws/things/<thing>/jobs/".
func splitJobsTopic(topic string) (suffix string, ok bool) {
	parts := strings.SplitN(topic, "/jobs/", 2)
	if len(parts) != 2 {
		return "", false
	}
	return parts[1], true
}
