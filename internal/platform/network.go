package platform

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/envforge-io/envforge/internal/logging"
)

// PeeringState is the observed lifecycle state of a peering connection.
type PeeringState string

const (
	PeeringAbsent   PeeringState = "absent"
	PeeringActive   PeeringState = "active"
	PeeringDeleting PeeringState = "deleting"
)

// FindVpc returns the VPC id carrying the given Name tag, if any.
func (c *Clients) FindVpc(ctx context.Context, name string) (string, bool, error) {
	out, err := c.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", false, Classify("describe vpcs", err)
	}
	if len(out.Vpcs) == 0 {
		return "", false, nil
	}
	return aws.ToString(out.Vpcs[0].VpcId), true, nil
}

// FindPeering returns the id of the non-deleted peering connection tagged
// with name.
func (c *Clients) FindPeering(ctx context.Context, name string) (string, bool, error) {
	out, err := c.ec2Client.DescribeVpcPeeringConnections(ctx, &ec2.DescribeVpcPeeringConnectionsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
		},
	})
	if err != nil {
		return "", false, Classify("describe peering connections", err)
	}
	for _, p := range out.VpcPeeringConnections {
		if p.Status != nil && p.Status.Code != ec2types.VpcPeeringConnectionStateReasonCodeDeleted {
			return aws.ToString(p.VpcPeeringConnectionId), true, nil
		}
	}
	return "", false, nil
}

// ObservePeering reports the state of a peering connection by id.
func (c *Clients) ObservePeering(ctx context.Context, peeringID string) (PeeringState, error) {
	out, err := c.ec2Client.DescribeVpcPeeringConnections(ctx, &ec2.DescribeVpcPeeringConnectionsInput{
		VpcPeeringConnectionIds: []string{peeringID},
	})
	if err != nil {
		if IsNotFound(err) {
			return PeeringAbsent, nil
		}
		return "", Classify("describe peering "+peeringID, err)
	}
	if len(out.VpcPeeringConnections) == 0 {
		return PeeringAbsent, nil
	}
	switch out.VpcPeeringConnections[0].Status.Code {
	case ec2types.VpcPeeringConnectionStateReasonCodeDeleted:
		return PeeringAbsent, nil
	case ec2types.VpcPeeringConnectionStateReasonCodeDeleting:
		return PeeringDeleting, nil
	default:
		return PeeringActive, nil
	}
}

// DeletePeering is the service-level delete. It fails with a
// dependency-blocked classification while consumers (routes) still reference
// the connection.
func (c *Clients) DeletePeering(ctx context.Context, peeringID string) error {
	_, err := c.ec2Client.DeleteVpcPeeringConnection(ctx, &ec2.DeleteVpcPeeringConnectionInput{
		VpcPeeringConnectionId: aws.String(peeringID),
	})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return Classify("delete peering "+peeringID, err)
	}
	return nil
}

// ReleasePeeringRoutes is the infrastructure-level fallback: it removes every
// route that still points at the peering connection, bypassing the
// service-level dependency check, so a subsequent DeletePeering succeeds.
func (c *Clients) ReleasePeeringRoutes(ctx context.Context, peeringID string) error {
	out, err := c.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("route.vpc-peering-connection-id"), Values: []string{peeringID}},
		},
	})
	if err != nil {
		return Classify("describe route tables for "+peeringID, err)
	}

	for _, rt := range out.RouteTables {
		for _, route := range rt.Routes {
			if aws.ToString(route.VpcPeeringConnectionId) != peeringID {
				continue
			}
			input := &ec2.DeleteRouteInput{RouteTableId: rt.RouteTableId}
			if route.DestinationCidrBlock != nil {
				input.DestinationCidrBlock = route.DestinationCidrBlock
			} else if route.DestinationIpv6CidrBlock != nil {
				input.DestinationIpv6CidrBlock = route.DestinationIpv6CidrBlock
			} else {
				continue
			}
			logging.Info("releasing peering route",
				"route_table", aws.ToString(rt.RouteTableId),
				"destination", aws.ToString(input.DestinationCidrBlock))
			if _, err := c.ec2Client.DeleteRoute(ctx, input); err != nil && !IsNotFound(err) {
				return Classify("delete route", err)
			}
		}
	}
	return nil
}

// EnsureCidrReservationReleased disassociates the secondary CIDR block the
// peering held on the VPC. Absent associations are success.
func (c *Clients) EnsureCidrReservationReleased(ctx context.Context, vpcID, cidr string) error {
	out, err := c.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return Classify("describe vpc "+vpcID, err)
	}
	if len(out.Vpcs) == 0 {
		return nil
	}

	for _, assoc := range out.Vpcs[0].CidrBlockAssociationSet {
		if aws.ToString(assoc.CidrBlock) != cidr {
			continue
		}
		if assoc.CidrBlockState != nil &&
			assoc.CidrBlockState.State == ec2types.VpcCidrBlockStateCodeDisassociated {
			return nil
		}
		logging.Info("releasing reserved address range", "vpc", vpcID, "cidr", cidr)
		_, err := c.ec2Client.DisassociateVpcCidrBlock(ctx, &ec2.DisassociateVpcCidrBlockInput{
			AssociationId: assoc.AssociationId,
		})
		if err != nil && !IsNotFound(err) {
			return Classify("disassociate cidr "+cidr, err)
		}
		return nil
	}
	return nil
}

// EnsureVpcDeleted deletes the VPC; a VPC that is already gone is success.
func (c *Clients) EnsureVpcDeleted(ctx context.Context, vpcID string) error {
	_, err := c.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)})
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return Classify(fmt.Sprintf("delete vpc %s", vpcID), err)
	}
	return nil
}
