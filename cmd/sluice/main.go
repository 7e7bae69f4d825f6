// Sluice streams search-index result sets into downloadable objects.
//
// Usage:
//
//	# Export a query to the configured destination
//	sluice export --query 'activity/select?q=*:*' --format XML
//
//	# Serve POST /download and /metrics
//	sluice serve --config sluice.yaml
package main

func main() {
	Execute()
}
