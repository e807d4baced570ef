package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"quickex/internal/registry/handler/mocks"
	"quickex/internal/registry/models"
	dErrors "quickex/pkg/domain-errors"
	"quickex/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/registry-mocks.go -package=mocks Service

const addrA1 = "GA7QYNF7SOWQ3GLR2BGMZEHXAVIRZA4KVWLTJJFC7MGXUA74P7UJVSGZ"

type RegistryHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestRegistryHandlerSuite(t *testing.T) {
	suite.Run(t, new(RegistryHandlerSuite))
}

func (s *RegistryHandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = chi.NewRouter()
	New(s.service, logger).Register(s.router)
}

func binding() *models.Binding {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	return &models.Binding{
		Username:       "alice",
		Address:        addrA1,
		OwnerTokenHash: "$2a$04$secret-hash",
		Status:         models.StatusActive,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *RegistryHandlerSuite) TestClaim() {
	s.Run("created binding hides token hash", func() {
		s.service.EXPECT().Claim(gomock.Any(), "alice", addrA1, "owner-token").Return(binding(), nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/usernames", ClaimRequest{
			Username: "alice", Address: addrA1, OwnerToken: "owner-token",
		})
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusCreated, rr.Code)
		s.NotContains(rr.Body.String(), "secret-hash")
		resp := testutil.UnmarshalResponse[BindingResponse](s.T(), rr)
		s.Equal("alice", resp.Username)
		s.Equal(int64(1), resp.Version)
	})

	s.Run("taken maps to 409", func() {
		s.service.EXPECT().Claim(gomock.Any(), "alice", addrA1, "owner-token").
			Return(nil, dErrors.New(dErrors.CodeAlreadyTaken, "username is already taken"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/usernames", ClaimRequest{
			Username: "alice", Address: addrA1, OwnerToken: "owner-token",
		})
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusConflict, rr.Code)
		testutil.AssertErrorCode(s.T(), rr, "already_taken")
	})

	s.Run("malformed body never reaches the service", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/v1/usernames", `{"username":`)
		rr := testutil.DoRequest(s.router, req)
		s.Equal(http.StatusBadRequest, rr.Code)
	})
}

func (s *RegistryHandlerSuite) TestLookup() {
	s.service.EXPECT().Lookup(gomock.Any(), "ALICE").Return(binding(), nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/usernames/ALICE"))
	s.Equal(http.StatusOK, rr.Code)
	resp := testutil.UnmarshalResponse[BindingResponse](s.T(), rr)
	s.Equal(addrA1, resp.Address)
}

func (s *RegistryHandlerSuite) TestTransferUnauthorized() {
	s.service.EXPECT().Transfer(gomock.Any(), "alice", "wrong-token", "new-owner-token").
		Return(nil, dErrors.New(dErrors.CodeUnauthorized, "owner token does not match"))

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/usernames/alice/transfer", TransferRequest{
		OwnerToken: "wrong-token", NewOwnerToken: "new-owner-token",
	})
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusForbidden, rr.Code)
}

func (s *RegistryHandlerSuite) TestReleaseStorageOutage() {
	s.service.EXPECT().Release(gomock.Any(), "alice", "owner-token").
		Return(nil, dErrors.Transient(errors.New("connection refused"), "failed to release username"))

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/usernames/alice/release", ReleaseRequest{OwnerToken: "owner-token"})
	rr := testutil.DoRequest(s.router, req)
	s.Equal(http.StatusServiceUnavailable, rr.Code)
	s.NotContains(rr.Body.String(), "connection refused")
}

func (s *RegistryHandlerSuite) TestListByAddress() {
	s.service.EXPECT().ListByAddress(gomock.Any(), addrA1).Return([]*models.Binding{binding()}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/v1/addresses/"+addrA1+"/usernames"))
	s.Equal(http.StatusOK, rr.Code)

	var resp AddressUsernamesResponse
	s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &resp))
	s.Require().Len(resp.Usernames, 1)
	s.Equal("alice", resp.Usernames[0].Username)
}
