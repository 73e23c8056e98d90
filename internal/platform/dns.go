package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/envforge-io/envforge/internal/logging"
)

// FindHostedZone returns the zone ID serving a domain.
func (c *Clients) FindHostedZone(ctx context.Context, domain string) (string, error) {
	out, err := c.route53Client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName: aws.String(domain),
	})
	if err != nil {
		return "", Classify(fmt.Sprintf("list hosted zones for %s", domain), err)
	}
	want := strings.TrimSuffix(domain, ".") + "."
	for _, zone := range out.HostedZones {
		if aws.ToString(zone.Name) == want {
			return strings.TrimPrefix(aws.ToString(zone.Id), "/hostedzone/"), nil
		}
	}
	return "", Classify(fmt.Sprintf("find hosted zone for %s", domain),
		fmt.Errorf("no hosted zone matches %s", domain))
}

// CutoverDNS repoints a record at a new target with an UPSERT, so the same
// call serves both first creation and cutover from the old environment.
func (c *Clients) CutoverDNS(ctx context.Context, zoneID, record, target string, ttl int64) error {
	logging.Info("cutting over dns record", "record", record, "target", target)
	_, err := c.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: aws.String("environment cutover"),
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionUpsert,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name: aws.String(record),
					Type: r53types.RRTypeCname,
					TTL:  aws.Int64(ttl),
					ResourceRecords: []r53types.ResourceRecord{
						{Value: aws.String(target)},
					},
				},
			}},
		},
	})
	if err != nil {
		return Classify(fmt.Sprintf("upsert record %s", record), err)
	}
	return nil
}

// ResolveRecord returns the current value of a CNAME record, or "" when the
// record does not exist.
func (c *Clients) ResolveRecord(ctx context.Context, zoneID, record string) (string, error) {
	out, err := c.route53Client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(record),
		StartRecordType: r53types.RRTypeCname,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return "", Classify(fmt.Sprintf("resolve record %s", record), err)
	}
	want := strings.TrimSuffix(record, ".") + "."
	for _, set := range out.ResourceRecordSets {
		if aws.ToString(set.Name) != want || len(set.ResourceRecords) == 0 {
			continue
		}
		return aws.ToString(set.ResourceRecords[0].Value), nil
	}
	return "", nil
}
