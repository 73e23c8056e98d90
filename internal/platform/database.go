package platform

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/envforge-io/envforge/internal/logging"
)

// DatastoreState is the observed state of the shared database instance.
type DatastoreState struct {
	Exists   bool
	Status   string
	Endpoint string
}

// ObserveDatastore reports the database instance's live state.
func (c *Clients) ObserveDatastore(ctx context.Context, identifier string) (DatastoreState, error) {
	out, err := c.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	})
	if err != nil {
		if IsNotFound(err) {
			return DatastoreState{}, nil
		}
		return DatastoreState{}, Classify("describe db instance "+identifier, err)
	}
	if len(out.DBInstances) == 0 {
		return DatastoreState{}, nil
	}

	db := out.DBInstances[0]
	state := DatastoreState{
		Exists: true,
		Status: aws.ToString(db.DBInstanceStatus),
	}
	if db.Endpoint != nil {
		state.Endpoint = aws.ToString(db.Endpoint.Address)
	}
	return state, nil
}

// EnsureDatastoreDeleted deletes the database instance and waits until it is
// gone. Already-absent instances are success; an instance already deleting
// is waited on, not re-deleted.
func (c *Clients) EnsureDatastoreDeleted(ctx context.Context, identifier string, wait time.Duration) error {
	state, err := c.ObserveDatastore(ctx, identifier)
	if err != nil {
		return err
	}
	if !state.Exists {
		return nil
	}

	if state.Status != "deleting" {
		logging.Info("deleting datastore instance", "identifier", identifier)
		_, err = c.rdsClient.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
			DBInstanceIdentifier: aws.String(identifier),
			SkipFinalSnapshot:    aws.Bool(true),
			DeleteAutomatedBackups: aws.Bool(true),
		})
		if err != nil && !IsNotFound(err) {
			return Classify("delete db instance "+identifier, err)
		}
	}

	waiter := rds.NewDBInstanceDeletedWaiter(c.rdsClient)
	if err := waiter.Wait(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(identifier),
	}, wait); err != nil {
		return Classify("wait for db instance deletion "+identifier, err)
	}
	return nil
}

// DatastoreReady reports whether the instance is provisioned and accepting
// connections.
func (c *Clients) DatastoreReady(ctx context.Context, identifier string) (bool, error) {
	state, err := c.ObserveDatastore(ctx, identifier)
	if err != nil {
		return false, err
	}
	return state.Exists && state.Status == "available", nil
}
