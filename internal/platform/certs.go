package platform

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
)

// CertificateState is the observed issuance state of a certificate.
type CertificateState struct {
	Arn    string
	Status acmtypes.CertificateStatus
}

// FindCertificate locates the certificate covering a domain, preferring
// issued ones.
func (c *Clients) FindCertificate(ctx context.Context, domain string) (CertificateState, error) {
	p := acm.NewListCertificatesPaginator(c.acmClient, &acm.ListCertificatesInput{})
	var best CertificateState
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return CertificateState{}, Classify("list certificates", err)
		}
		for _, cert := range page.CertificateSummaryList {
			if aws.ToString(cert.DomainName) != domain {
				continue
			}
			state := CertificateState{Arn: aws.ToString(cert.CertificateArn), Status: cert.Status}
			if state.Status == acmtypes.CertificateStatusIssued {
				return state, nil
			}
			if best.Arn == "" {
				best = state
			}
		}
	}
	return best, nil
}

// CertificateIssued reports whether the certificate for a domain has
// completed validation. Issuance can lag resource creation by minutes, so
// this backs a readiness gate rather than a hard precondition.
func (c *Clients) CertificateIssued(ctx context.Context, domain string) (bool, error) {
	state, err := c.FindCertificate(ctx, domain)
	if err != nil {
		return false, err
	}
	if state.Arn == "" {
		return false, nil
	}
	if state.Status == acmtypes.CertificateStatusFailed || state.Status == acmtypes.CertificateStatusValidationTimedOut {
		return false, Classify(fmt.Sprintf("certificate for %s", domain),
			fmt.Errorf("certificate %s in terminal status %s", state.Arn, state.Status))
	}
	return state.Status == acmtypes.CertificateStatusIssued, nil
}
