/*
Package client provides a Go client for the master's REST API.

It wraps the /api/v1 surface with typed methods for CLI and programmatic
use: initiating operations, polling status, cancelling, and listing
operations, nodes, and the change journal.

# Usage

	c := client.New("http://master:7070")

	id, err := c.InitiateOperation(ctx, client.InitiateOperationRequest{
		OperationType: "VerifyEnvironment",
	})
	if err != nil {
		log.Fatal(err)
	}

	view, err := c.GetOperation(ctx, id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %s (%d%%)\n", view.OperationID, view.Status, view.ProgressPercent)

Every request carries an X-Initiated-By header (default "cli", see
WithInitiatedBy) so the journal records who asked.

# Error Handling

Non-2xx responses are returned as errors carrying the status code and the
server's error message:

	_, err := c.InitiateOperation(ctx, req)
	if err != nil {
		// "master returned 409: another operation is already in progress"
	}

The client is safe for concurrent use; it holds no mutable state beyond
the underlying http.Client.
*/
package client
